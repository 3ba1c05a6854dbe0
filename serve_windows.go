package main

import (
	"log"
)

func cmdServe(c *cmd) {
	c.help = `Start policyd, serving policy requests. Not implemented on windows.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}
	log.Fatalln("policyd serve not implemented on windows, the mail servers it serves run on unix systems, other commands do work")
}
