// metaproxy-credential-helper fetches the calling container's role
// credentials from metaproxy and prints them in the AWS credential_process
// format, for tools that cannot read the instance metadata service directly.
// See: https://docs.aws.amazon.com/cli/latest/userguide/cli-configure-sourcing-external.html
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/majorcontext/metaproxy/internal/gateway"
)

const defaultEndpoint = "http://169.254.169.254"

// processCredentials is the credential_process output document.
type processCredentials struct {
	Version         int    `json:"Version"`
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	SessionToken    string `json:"SessionToken"`
	Expiration      string `json:"Expiration"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "metaproxy-credential-helper: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	endpoint := os.Getenv("METAPROXY_ENDPOINT")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	client := &http.Client{Timeout: 10 * time.Second}
	creds, err := fetch(client, endpoint)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(creds)
}

// fetch discovers the bound role and returns its credentials.
func fetch(client *http.Client, endpoint string) (*processCredentials, error) {
	base := strings.TrimSuffix(endpoint, "/") + "/latest/meta-data/iam/security-credentials/"

	list, err := get(client, base)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	roleName := strings.TrimSpace(strings.SplitN(string(list), "\n", 2)[0])
	if roleName == "" {
		return nil, fmt.Errorf("no role bound to this container")
	}

	body, err := get(client, base+roleName)
	if err != nil {
		return nil, fmt.Errorf("fetching credentials for %s: %w", roleName, err)
	}
	var env gateway.CredentialEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if env.Code != "Success" {
		return nil, fmt.Errorf("credential endpoint returned code %q", env.Code)
	}
	return &processCredentials{
		Version:         1,
		AccessKeyID:     env.AccessKeyId,
		SecretAccessKey: env.SecretAccessKey,
		SessionToken:    env.Token,
		Expiration:      env.Expiration,
	}, nil
}

func get(client *http.Client, url string) ([]byte, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}
