package dingtalk

import (
	"github.com/unioauth/unioauth/providers"
	"github.com/unioauth/unioauth/storage"
)

func init() {
	providers.RegisterFactory(storage.ProviderDingTalk, func(cfg *storage.ProviderConfig, opts providers.Options) (providers.Provider, error) {
		return NewProvider(&Config{
			ClientID:       cfg.ClientID,
			ClientSecret:   cfg.ClientSecret,
			RedirectURL:    cfg.RedirectURI,
			Scopes:         cfg.Scopes,
			CorpID:         cfg.Extra[ExtraCorpID],
			HTTPClient:     opts.HTTPClient,
			RequestTimeout: opts.RequestTimeout,
		})
	})
}
