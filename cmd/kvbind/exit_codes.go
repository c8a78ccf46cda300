package main

const (
	exitCodeSuccess = 0
	exitCodeUsage   = 2
	exitCodeConfig  = 3
	exitCodeRuntime = 4
)
