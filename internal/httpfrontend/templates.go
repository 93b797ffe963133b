package httpfrontend

import "fmt"

// Static response bodies the frontend writes on its own behalf — never
// forwarded from an agent. Every one carries the same header set, mirroring
// §6 of the spec: Content-Type, Content-Length, Connection: close, Server.

const serverHeader = "Tunnel-Server/1.0"

func notFoundResponse() []byte {
	return staticPage(404, "Not Found", "<h1>404 Not Found</h1><p>No tunnel is registered for this address.</p>")
}

func serviceUnavailableResponse() []byte {
	return staticPage(503, "Service Unavailable", "<h1>503 Service Unavailable</h1><p>The tunnel agent is not responding.</p>")
}

func originRefusedResponse() []byte {
	return staticPage(503, "Service Unavailable (local origin refused)", "<h1>503 Service Unavailable</h1><p>The local origin refused this request.</p>")
}

func staticPage(status int, statusText, body string) []byte {
	html := fmt.Sprintf("<!DOCTYPE html><html><body>%s</body></html>", body)
	return []byte(fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: text/html\r\nContent-Length: %d\r\nConnection: close\r\nServer: %s\r\n\r\n%s",
		status, statusText, len(html), serverHeader, html,
	))
}
