// Command ecf-gateway runs the e-CF submission gateway and its tooling.
package main

import "github.com/sirosfoundation/go-ecf/internal/cli"

func main() {
	cli.Execute()
}
