package secretmanager

import (
	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

// ProvideVault builds a vault client from VAULT_ADDR and friends.
func ProvideVault() (*vault.Client, error) {
	return vault.New(vault.WithEnvironment())
}
