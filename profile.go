package main

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// memprofile writes a heap profile to mempath, if set. Called when the command
// finishes, e.g. after a serve is shut down.
func memprofile(mempath string) {
	if mempath == "" {
		return
	}

	f, err := os.Create(mempath)
	xcheckf(err, "creating memory profile")
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("closing memory profile: %v", err)
		}
	}()
	runtime.GC() // get up-to-date statistics
	err = pprof.WriteHeapProfile(f)
	xcheckf(err, "writing memory profile")
}

// profile starts a cpu profile if cpupath is set. The returned function stops
// it and writes the memory profile.
func profile(cpupath, mempath string) func() {
	if cpupath == "" {
		return func() {
			memprofile(mempath)
		}
	}

	f, err := os.Create(cpupath)
	xcheckf(err, "creating cpu profile")
	err = pprof.StartCPUProfile(f)
	xcheckf(err, "starting cpu profile")
	return func() {
		pprof.StopCPUProfile()
		if err := f.Close(); err != nil {
			log.Printf("closing cpu profile: %v", err)
		}
		memprofile(mempath)
	}
}

func traceExecution(path string) func() {
	f, err := os.Create(path)
	xcheckf(err, "creating trace file")
	err = trace.Start(f)
	xcheckf(err, "starting trace")
	return func() {
		trace.Stop()
		err := f.Close()
		xcheckf(err, "closing trace file")
	}
}
