package feishu

import (
	"github.com/unioauth/unioauth/providers"
	"github.com/unioauth/unioauth/storage"
)

func init() {
	providers.RegisterFactory(storage.ProviderFeishu, func(cfg *storage.ProviderConfig, opts providers.Options) (providers.Provider, error) {
		return NewProvider(&Config{
			ClientID:       cfg.ClientID,
			ClientSecret:   cfg.ClientSecret,
			RedirectURL:    cfg.RedirectURI,
			HTTPClient:     opts.HTTPClient,
			RequestTimeout: opts.RequestTimeout,
		})
	})
}
