// Command battery-saver watches the battery and, when it runs low, pauses
// background and CPU-heavy processes until the laptop is plugged in.
package main

func main() {
	Execute()
}
