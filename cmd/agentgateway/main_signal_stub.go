//go:build excludemain

package main

func init() {
	daemonWaitForShutdown = func() {}
}
