package main

import "github.com/eleven-am/tts-multiplex/internal/bootstrap"

func main() {
	bootstrap.Run()
}
