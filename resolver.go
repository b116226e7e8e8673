package unioauth

import (
	"context"
	"errors"

	"github.com/unioauth/unioauth/providers"
	"github.com/unioauth/unioauth/storage"
)

// resolve maps a freshly fetched remote identity onto the binding table.
//
// userID nil is the login path: the remote identity must already be bound,
// local users are never auto-created. userID set is the bind path: the
// remote identity must not belong to anyone else.
//
// Token fields and the denormalized profile are refreshed on every outcome
// that touches a row, and the last-login stamp is updated as a side effect.
func (e *Engine) resolve(ctx context.Context, userID *int64, provider storage.ProviderID, profile *providers.Profile, bundle *providers.TokenBundle, clientIP string) (*storage.Binding, error) {
	if profile.ID == "" {
		return nil, WrapFlowError(ErrorCodeProfileFailed, "could not fetch the remote profile", providers.ErrNoRemoteID)
	}
	if userID == nil {
		return e.resolveLogin(ctx, provider, profile, bundle, clientIP)
	}
	return e.resolveBind(ctx, *userID, provider, profile, bundle, clientIP)
}

func (e *Engine) resolveLogin(ctx context.Context, provider storage.ProviderID, profile *providers.Profile, bundle *providers.TokenBundle, clientIP string) (*storage.Binding, error) {
	binding, err := e.bindings.GetByRemote(ctx, provider, profile.ID)
	if errors.Is(err, storage.ErrBindingNotFound) {
		return nil, ErrAccountNotBound(provider.String())
	}
	if err != nil {
		return nil, WrapFlowError(ErrorCodeServerError, "could not look up the account binding", err)
	}
	if binding.Status == storage.BindingDisabled {
		return nil, ErrBindingDisabled(provider.String())
	}

	e.applyProfile(binding, profile, bundle, clientIP)
	if err := e.bindings.Update(ctx, binding); err != nil {
		return nil, WrapFlowError(ErrorCodeServerError, "could not refresh the account binding", err)
	}
	return binding, nil
}

func (e *Engine) resolveBind(ctx context.Context, userID int64, provider storage.ProviderID, profile *providers.Profile, bundle *providers.TokenBundle, clientIP string) (*storage.Binding, error) {
	existing, err := e.bindings.GetByRemote(ctx, provider, profile.ID)
	switch {
	case err == nil && existing.UserID != userID:
		// Remote identity owned by someone else. The existing binding is
		// left untouched; merging accounts is a support operation.
		e.Auditor.LogBindingConflict(provider.String(), userID, profile.ID, clientIP)
		e.metrics().RecordBindingConflict(ctx, provider.String(), "remote_identity_owned")
		return nil, ErrBindingConflict(provider.String(), existing.UserID)

	case err == nil:
		// Same user, same remote identity: idempotent re-bind.
		e.applyProfile(existing, profile, bundle, clientIP)
		if err := e.bindings.Update(ctx, existing); err != nil {
			return nil, WrapFlowError(ErrorCodeServerError, "could not refresh the account binding", err)
		}
		return existing, nil

	case !errors.Is(err, storage.ErrBindingNotFound):
		return nil, WrapFlowError(ErrorCodeServerError, "could not look up the account binding", err)
	}

	// The user may already hold a binding for this provider pointing at a
	// different remote account. Rebinding replaces it: the remote id is
	// part of the row's identity, so this is a delete plus insert rather
	// than an update.
	if prior, err := e.bindings.GetByUser(ctx, userID, provider); err == nil {
		if err := e.bindings.DeleteByID(ctx, prior.ID); err != nil {
			return nil, WrapFlowError(ErrorCodeServerError, "could not replace the account binding", err)
		}
	} else if !errors.Is(err, storage.ErrBindingNotFound) {
		return nil, WrapFlowError(ErrorCodeServerError, "could not look up the account binding", err)
	}

	binding := &storage.Binding{
		UserID:       userID,
		Provider:     provider,
		RemoteUserID: profile.ID,
		Status:       storage.BindingNormal,
	}
	e.applyProfile(binding, profile, bundle, clientIP)
	if err := e.bindings.Insert(ctx, binding); err != nil {
		if errors.Is(err, storage.ErrBindingConflict) {
			// Lost a race with a concurrent bind of the same remote
			// identity. Report the winner as the owner.
			if winner, lookupErr := e.bindings.GetByRemote(ctx, provider, profile.ID); lookupErr == nil && winner.UserID != userID {
				e.Auditor.LogBindingConflict(provider.String(), userID, profile.ID, clientIP)
				e.metrics().RecordBindingConflict(ctx, provider.String(), "concurrent_bind")
				return nil, ErrBindingConflict(provider.String(), winner.UserID)
			}
		}
		return nil, WrapFlowError(ErrorCodeServerError, "could not create the account binding", err)
	}

	e.Auditor.LogBindingCreated(provider.String(), userID, profile.ID, clientIP)
	e.metrics().RecordBindingCreated(ctx, provider.String())
	return binding, nil
}

// applyProfile copies the token bundle and denormalized profile fields onto
// the binding and stamps the login side effects.
func (e *Engine) applyProfile(b *storage.Binding, profile *providers.Profile, bundle *providers.TokenBundle, clientIP string) {
	now := e.clock.Now()
	b.RemoteUsername = profile.Username
	b.DisplayName = profile.DisplayName
	b.Email = profile.Email
	b.AvatarURL = profile.AvatarURL
	b.RawProfile = profile.Raw
	b.AccessToken = bundle.AccessToken
	b.RefreshToken = bundle.RefreshToken
	b.TokenExpiry = bundle.ExpiryAt(now)
	b.LastLoginAt = now
	b.LastLoginIP = clientIP
}

// Unbind removes the caller's own binding for the provider. A missing
// binding is reported: the self-service caller asked for something that
// does not exist.
func (e *Engine) Unbind(ctx context.Context, userID int64, provider storage.ProviderID) error {
	err := e.bindings.DeleteByUser(ctx, userID, provider)
	if errors.Is(err, storage.ErrBindingNotFound) {
		return NewFlowError(ErrorCodeBindingNotFound, "no "+provider.String()+" binding exists for this account")
	}
	if err != nil {
		return WrapFlowError(ErrorCodeServerError, "could not remove the account binding", err)
	}
	e.logger.Info("Binding removed", "provider", provider, "user_id", userID)
	return nil
}

// ForceUnbind removes a binding by id. Idempotent: the admin caller wants
// the binding gone, and gone it already may be.
func (e *Engine) ForceUnbind(ctx context.Context, bindingID string) error {
	if err := e.bindings.DeleteByID(ctx, bindingID); err != nil {
		return WrapFlowError(ErrorCodeServerError, "could not remove the account binding", err)
	}
	e.logger.Info("Binding force-removed", "binding_id", bindingID)
	return nil
}

// ListBindings returns the user's bindings with token material blanked,
// ordered by provider. Safe to hand to profile and admin surfaces.
func (e *Engine) ListBindings(ctx context.Context, userID int64) ([]*storage.Binding, error) {
	bindings, err := e.bindings.ListByUser(ctx, userID)
	if err != nil {
		return nil, WrapFlowError(ErrorCodeServerError, "could not list account bindings", err)
	}
	out := make([]*storage.Binding, len(bindings))
	for i, b := range bindings {
		redacted := *b
		redacted.AccessToken = ""
		redacted.RefreshToken = ""
		out[i] = &redacted
	}
	return out, nil
}
