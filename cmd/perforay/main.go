// Package main provides the entry point for the PerfoRay scan server.
//
// Usage:
//
//	perforay serve
//	perforay scan <uri>
//
// See --help for all available options.
package main

func main() {
	Execute()
}
