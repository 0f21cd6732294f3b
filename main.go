package main

import "github.com/fairmix/fairmix/cmd"

// Version is set via ldflags during release builds.
var version = "0.1.0-dev"

func main() {
	cmd.SetVersion(version)
	cmd.Execute()
}
