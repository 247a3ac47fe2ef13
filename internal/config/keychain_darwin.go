//go:build darwin

package config

import "os/exec"

const secretService = "litscout"

func apiKeyHint() string {
	return " or macOS Keychain (service: litscout, account: gemini.api_key)"
}

func keychainGet(service, account string) ([]byte, error) {
	return exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
}
