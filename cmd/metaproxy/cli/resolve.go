package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/majorcontext/metaproxy/internal/role"
	"github.com/spf13/cobra"
)

var resolveAccount string

var resolveCmd = &cobra.Command{
	Use:   "resolve <role-reference>",
	Short: "Show the role ARN a container reference resolves to",
	Long: `Show how a container's role reference is interpreted, using the
account settings from the config file.

Examples:
  metaproxy resolve deploy-bot --account 123456789012
  metaproxy resolve deploy-bot@prod
  metaproxy resolve arn:aws:iam::123456789012:role/ci/deploy-bot`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().StringVar(&resolveAccount, "account", "", "default account for bare role names")
}

func runResolve(cmd *cobra.Command, args []string) error {
	account := resolveAccount
	if account == "" {
		account = cfg.AWS.DefaultAccountID
	}
	resolver := &role.Resolver{DefaultAccount: account, AccountMap: cfg.AWS.AccountMap}

	b, err := resolver.Resolve(args[0])
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(b)
	}
	fmt.Printf("name:             %s\n", b.Name)
	fmt.Printf("account:          %s\n", b.Account)
	fmt.Printf("role arn:         %s\n", b.ARN)
	fmt.Printf("instance profile: %s\n", b.InstanceProfileARN())
	return nil
}
