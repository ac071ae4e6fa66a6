package main

import "pulsehub/internal/ctl"

func main() {
	ctl.Execute()
}
