// Command turnd runs a standalone STUN and TURN relay server.
package main

func main() {
	execute()
}
