package role

import (
	"testing"

	"github.com/majorcontext/metaproxy/internal/inventory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseARN(t *testing.T) {
	tests := []struct {
		name    string
		arn     string
		want    Binding
		wantErr bool
	}{
		{
			name: "valid",
			arn:  "arn:aws:iam::123456789012:role/deploy-bot",
			want: Binding{Name: "deploy-bot", ARN: "arn:aws:iam::123456789012:role/deploy-bot", Account: "123456789012"},
		},
		{
			name: "with path",
			arn:  "arn:aws:iam::123456789012:role/service/ci/deploy-bot",
			want: Binding{Name: "deploy-bot", ARN: "arn:aws:iam::123456789012:role/service/ci/deploy-bot", Account: "123456789012"},
		},
		{
			name: "china partition",
			arn:  "arn:aws-cn:iam::123456789012:role/deploy-bot",
			want: Binding{Name: "deploy-bot", ARN: "arn:aws-cn:iam::123456789012:role/deploy-bot", Account: "123456789012"},
		},
		{
			name: "govcloud partition",
			arn:  "arn:aws-us-gov:iam::123456789012:role/deploy-bot",
			want: Binding{Name: "deploy-bot", ARN: "arn:aws-us-gov:iam::123456789012:role/deploy-bot", Account: "123456789012"},
		},
		{name: "empty", arn: "", wantErr: true},
		{name: "too few parts", arn: "arn:aws:iam::123456789012", wantErr: true},
		{name: "bad prefix", arn: "urn:aws:iam::123456789012:role/x", wantErr: true},
		{name: "bad partition", arn: "arn:azure:iam::123456789012:role/x", wantErr: true},
		{name: "not iam", arn: "arn:aws:s3::123456789012:role/x", wantErr: true},
		{name: "has region", arn: "arn:aws:iam:us-east-1:123456789012:role/x", wantErr: true},
		{name: "short account", arn: "arn:aws:iam::1234:role/x", wantErr: true},
		{name: "user not role", arn: "arn:aws:iam::123456789012:user/x", wantErr: true},
		{name: "no name", arn: "arn:aws:iam::123456789012:role/", wantErr: true},
		{name: "trailing slash", arn: "arn:aws:iam::123456789012:role/ci/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseARN(tt.arn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_Resolve(t *testing.T) {
	r := &Resolver{
		DefaultAccount: "111111111111",
		AccountMap:     map[string]string{"prod": "222222222222"},
	}

	tests := []struct {
		ref     string
		wantARN string
		wantErr bool
	}{
		{ref: "deploy-bot", wantARN: "arn:aws:iam::111111111111:role/deploy-bot"},
		{ref: "  deploy-bot  ", wantARN: "arn:aws:iam::111111111111:role/deploy-bot"},
		{ref: "/deploy-bot/", wantARN: "arn:aws:iam::111111111111:role/deploy-bot"},
		{ref: "deploy-bot@333333333333", wantARN: "arn:aws:iam::333333333333:role/deploy-bot"},
		{ref: "deploy-bot@prod", wantARN: "arn:aws:iam::222222222222:role/deploy-bot"},
		{ref: "arn:aws:iam::444444444444:role/x/deploy-bot", wantARN: "arn:aws:iam::444444444444:role/x/deploy-bot"},
		{ref: "deploy-bot@staging", wantErr: true},
		{ref: "team/deploy-bot", wantErr: true},
		{ref: "", wantErr: true},
		{ref: "arn:aws:iam::bad:role/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := r.Resolve(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantARN, got.ARN)
			assert.Equal(t, "deploy-bot", got.Name)
		})
	}
}

func TestResolver_BareNameWithoutDefaultAccount(t *testing.T) {
	r := &Resolver{}
	_, ok := r.BoundRole(inventory.ContainerIdentity{Role: "deploy-bot"})
	assert.False(t, ok)
}

func TestResolver_Partition(t *testing.T) {
	r := &Resolver{DefaultAccount: "111111111111", Partition: "aws-cn"}
	b, err := r.Resolve("deploy-bot")
	require.NoError(t, err)
	assert.Equal(t, "arn:aws-cn:iam::111111111111:role/deploy-bot", b.ARN)
}

func TestResolver_BoundRole(t *testing.T) {
	r := &Resolver{DefaultAccount: "111111111111"}

	_, ok := r.BoundRole(inventory.ContainerIdentity{ID: "c1"})
	assert.False(t, ok, "no reference means no binding")

	_, ok = r.BoundRole(inventory.ContainerIdentity{ID: "c1", Role: "arn:aws:iam::1:role/x"})
	assert.False(t, ok, "malformed reference fails closed")

	b, ok := r.BoundRole(inventory.ContainerIdentity{ID: "c1", Role: "deploy-bot"})
	require.True(t, ok)
	assert.Equal(t, "deploy-bot", b.Name)
}

func TestResolver_Matches(t *testing.T) {
	r := &Resolver{DefaultAccount: "111111111111"}
	id := inventory.ContainerIdentity{ID: "c1", Role: "deploy-bot"}

	assert.True(t, r.Matches("deploy-bot", id))
	assert.True(t, r.Matches("deploy-bot/", id))
	assert.False(t, r.Matches("Deploy-Bot", id), "matching is case-sensitive")
	assert.False(t, r.Matches("deploy", id), "no prefix matching")
	assert.False(t, r.Matches("deploy-bot-admin", id))
	assert.False(t, r.Matches("", id))
	assert.False(t, r.Matches("deploy-bot", inventory.ContainerIdentity{ID: "c2"}))
}

func TestBinding_InstanceProfileARN(t *testing.T) {
	b := Binding{ARN: "arn:aws:iam::111111111111:role/ci/deploy-bot"}
	assert.Equal(t, "arn:aws:iam::111111111111:instance-profile/ci/deploy-bot", b.InstanceProfileARN())
}
