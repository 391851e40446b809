// Command proxy forwards plain HTTP requests to a single HTTPS upstream,
// presenting the upstream's own domain through SNI and the Host header. A
// 200 answer with an empty body is retried; traffic counters are shared
// between instances through a retained pub/sub broker.
//
// Usage:
//
//	# Forward to an upstream domain
//	proxy -d generativelanguage.googleapis.com
//
//	# Connect to a fixed ip while presenting the domain, sharing stats over MQTT
//	proxy -i 203.0.113.10 -d api.example.com --broker-url mqtt://broker:1883
//
//	# Read counters from a running instance
//	proxy stats --addr 127.0.0.1:9090
package main

func main() {
	Execute()
}
