// nsgswap moves NSG traffic from a failed instance to its standby.
package main

func main() {
	Execute()
}
