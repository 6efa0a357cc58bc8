package main

import "github.com/jsherman999/statehub/internal/cli"

func main() { cli.Main() }
