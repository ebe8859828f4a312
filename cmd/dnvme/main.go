// Command dnvme drives an NVMe controller through the dnvme kernel driver,
// or through an in-process simulated controller with --simulate.
package main

func main() {
	Execute()
}
