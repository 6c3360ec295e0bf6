package endpoint

import "fmt"

// Normalize turns a configured address into a listenable one. Accepts a bare
// port ("8080"), a ready address (":8080"), or nothing.
func Normalize(addr string) string {
	if addr == "" {
		return ":0"
	}

	if addr[0] == ':' {
		return addr
	}

	return fmt.Sprintf(":%s", addr)
}
