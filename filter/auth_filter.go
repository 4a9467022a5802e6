package filter

import (
	"context"

	"highway-rpc/invocation"
	"highway-rpc/rpcerror"
)

type authFilter struct {
	tokens map[string]bool
}

// AuthFilter rejects producer-side invocations whose auth token is not in tokens.
func AuthFilter(tokens ...string) Filter {
	f := authFilter{tokens: make(map[string]bool, len(tokens))}
	for _, t := range tokens {
		f.tokens[t] = true
	}
	return f
}

func (authFilter) Name() string  { return "auth" }
func (authFilter) Priority() int { return PriorityAuth }

func (f authFilter) OnFilter(_ context.Context, inv *invocation.Invocation, next Next, reply Reply) {
	if !f.tokens[inv.Attachment(AuthTokenKey)] {
		reply(invocation.Failure(rpcerror.New(rpcerror.CodeUnauthorized, "invalid auth token for %s", inv.Name())))
		return
	}
	next(nil)
}

type credentialFilter struct {
	token string
}

// CredentialFilter attaches token to consumer-side invocations.
func CredentialFilter(token string) Filter { return credentialFilter{token: token} }

func (credentialFilter) Name() string  { return "credential" }
func (credentialFilter) Priority() int { return PriorityAuth }

func (f credentialFilter) OnFilter(_ context.Context, inv *invocation.Invocation, next Next, _ Reply) {
	inv.SetAttachment(AuthTokenKey, f.token)
	next(nil)
}
