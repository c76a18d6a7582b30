package providers

import (
	"fmt"
	"strings"
)

// CloudInitUserData returns a minimal cloud-init YAML that:
// - creates the node's primary user with passwordless sudo
// - disables password logins
// - authorizes the given public keys for that user
// - sets the hostname when one is given
func CloudInitUserData(username, hostname string, authorizedKeys ...string) string {
	if username == "" {
		username = "ubuntu"
	}
	var b strings.Builder
	fmt.Fprintf(&b, `#cloud-config
users:
  - default
  - name: %s
    sudo: ["ALL=(ALL) NOPASSWD:ALL"]
    shell: /bin/bash
`, username)
	if len(authorizedKeys) > 0 {
		b.WriteString("    ssh_authorized_keys:\n")
		for _, k := range authorizedKeys {
			fmt.Fprintf(&b, "      - %s\n", k)
		}
	}
	b.WriteString("ssh_pwauth: false\n")
	if hostname != "" {
		fmt.Fprintf(&b, "hostname: %s\npreserve_hostname: false\n", hostname)
	}
	return b.String()
}
