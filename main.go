package main

import "github.com/knpwrs/recfetch/cmd"

// main is the entry point for the recfetch CLI application.
//
// This application acquires segmented recordings, reconstructs them into
// single files and tracks progress in a resumable manifest.
//
// See: https://context7.com/golang/go for Go documentation
func main() {
	cmd.Execute()
}
