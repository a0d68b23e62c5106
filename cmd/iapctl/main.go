package main

import "github.com/purchasekit/purchasekit/cmd/iapctl/cmd"

func main() {
	cmd.Execute()
}
