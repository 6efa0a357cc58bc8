package main

import "github.com/jsherman999/statehub/internal/daemon"

func main() { daemon.Main() }
