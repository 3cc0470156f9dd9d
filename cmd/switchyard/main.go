// Command switchyard routes tasks across coding-agent, API and local
// backends.
package main

func main() {
	Execute()
}
