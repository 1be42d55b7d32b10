//go:build !excludemain

package main

import "os"

var exitFunc = os.Exit

func main() {
	exitFunc(runApp(os.Args))
}
