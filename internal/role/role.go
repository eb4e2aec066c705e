// Package role turns a container's role reference into the single IAM role
// it may receive credentials for.
package role

import (
	"fmt"
	"strings"

	"github.com/majorcontext/metaproxy/internal/inventory"
)

// Binding is the one role a caller is authorized for.
type Binding struct {
	// Name is the role name without path, as it appears in
	// .../security-credentials/{name}.
	Name string `json:"name"`
	// ARN is the full role ARN passed to AssumeRole.
	ARN string `json:"arn"`
	// Account is the 12-digit account owning the role.
	Account string `json:"account"`
}

// Resolver builds bindings from raw role references.
type Resolver struct {
	// DefaultAccount completes bare role names.
	DefaultAccount string
	// Partition used for ARNs built from bare names. Defaults to "aws".
	Partition string
	// AccountMap resolves the alias in "name@alias" references.
	AccountMap map[string]string
}

// BoundRole returns the binding for identity. It reports false when the
// container carries no reference or the reference cannot be resolved.
func (r *Resolver) BoundRole(identity inventory.ContainerIdentity) (Binding, bool) {
	if strings.TrimSpace(identity.Role) == "" {
		return Binding{}, false
	}
	b, err := r.Resolve(identity.Role)
	if err != nil {
		return Binding{}, false
	}
	return b, true
}

// Resolve parses a reference of the form
//
//	arn:aws:iam::123456789012:role/path/name
//	name
//	name@123456789012
//	name@alias
func (r *Resolver) Resolve(ref string) (Binding, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Binding{}, fmt.Errorf("role reference is empty")
	}
	if strings.HasPrefix(ref, "arn:") {
		return ParseARN(ref)
	}

	name, account := ref, r.DefaultAccount
	if n, acct, ok := strings.Cut(ref, "@"); ok {
		name = n
		account = acct
		if mapped, ok := r.AccountMap[acct]; ok {
			account = mapped
		}
	}
	name = Normalize(name)
	if name == "" || strings.ContainsAny(name, "/:@ ") {
		return Binding{}, fmt.Errorf("invalid role name %q", name)
	}
	if !isAccountID(account) {
		return Binding{}, fmt.Errorf("cannot resolve account for role %q (got %q)", name, account)
	}

	partition := r.Partition
	if partition == "" {
		partition = "aws"
	}
	return Binding{
		Name:    name,
		ARN:     fmt.Sprintf("arn:%s:iam::%s:role/%s", partition, account, name),
		Account: account,
	}, nil
}

// Matches reports whether requested names exactly the role bound to
// identity. Comparison is case-sensitive.
func (r *Resolver) Matches(requested string, identity inventory.ContainerIdentity) bool {
	b, ok := r.BoundRole(identity)
	if !ok {
		return false
	}
	req := Normalize(requested)
	return req != "" && req == b.Name
}

// Normalize trims whitespace and surrounding slashes.
func Normalize(name string) string {
	return strings.Trim(strings.TrimSpace(name), "/")
}

// ParseARN validates an IAM role ARN.
// ARN format: arn:PARTITION:iam::ACCOUNT_ID:role/[PATH/]ROLE_NAME
// Supported partitions: aws, aws-cn, aws-us-gov
func ParseARN(arn string) (Binding, error) {
	if arn == "" {
		return Binding{}, fmt.Errorf("role ARN is required")
	}

	parts := strings.Split(arn, ":")
	if len(parts) != 6 {
		return Binding{}, fmt.Errorf("invalid ARN format: expected 6 colon-separated parts, got %d", len(parts))
	}

	prefix, partition, service, region, account, resource := parts[0], parts[1], parts[2], parts[3], parts[4], parts[5]

	if prefix != "arn" {
		return Binding{}, fmt.Errorf("invalid ARN: must start with 'arn:'")
	}

	switch partition {
	case "aws", "aws-cn", "aws-us-gov":
	default:
		return Binding{}, fmt.Errorf("invalid ARN partition: %s (expected aws, aws-cn, or aws-us-gov)", partition)
	}

	if service != "iam" {
		return Binding{}, fmt.Errorf("invalid ARN: must be an IAM ARN (got %s)", service)
	}
	if region != "" {
		return Binding{}, fmt.Errorf("invalid ARN: IAM ARNs have no region (got %s)", region)
	}
	if !isAccountID(account) {
		return Binding{}, fmt.Errorf("invalid ARN: account ID must be 12 digits (got %q)", account)
	}

	path, ok := strings.CutPrefix(resource, "role/")
	if !ok {
		return Binding{}, fmt.Errorf("invalid ARN: must be a role ARN (got %s)", resource)
	}
	name := path[strings.LastIndex(path, "/")+1:]
	if name == "" {
		return Binding{}, fmt.Errorf("invalid ARN: role name is required")
	}

	return Binding{Name: name, ARN: arn, Account: account}, nil
}

// InstanceProfileARN returns the instance-profile ARN paired with the role.
func (b Binding) InstanceProfileARN() string {
	return strings.Replace(b.ARN, ":role/", ":instance-profile/", 1)
}

func isAccountID(s string) bool {
	if len(s) != 12 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
