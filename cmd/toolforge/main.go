package main

import "toolforge/internal/toolforge"

func main() {
	toolforge.Main()
}
