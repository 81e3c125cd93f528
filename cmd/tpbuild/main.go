package main

import "tpbuild/internal/tpbuild"

func main() {
	tpbuild.Main()
}
