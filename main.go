package main

import (
	"github.com/Kadem9/caissefacile/cmd"
	"github.com/Kadem9/caissefacile/internal/version"
)

// Version is stamped by release builds with -ldflags "-X main.Version=v1.2.3".
var Version = "dev"

func main() {
	cmd.SetVersion(version.Resolve(Version))
	cmd.Execute()
}
