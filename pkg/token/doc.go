// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package token obtains and caches the bearer token required by the tax
authority's services.

A token is obtained in three steps: fetch a challenge document
(GET {auth}/semilla), sign it with the taxpayer's certificate, and exchange
the signed challenge for a token (POST {auth}/token). The reply is JSON
carrying the token under "access_token" or "token" and its expiry under
"expires_at", "expiration" or "expira".

A cached token is reused while its expiry minus 30 seconds lies in the
future. Refreshes are serialized by a context-aware semaphore, so
concurrent callers observe a single exchange.

	mgr := token.NewManager(token.Config{
	    AuthURL:   "https://ecf.dgii.gov.do/testecf/autenticacion/api/autenticacion",
	    Signer:    xmldsig.BundleSigner{Path: p12, Password: pw},
	    Transport: transport.NewClient(nil),
	})

	bearer, err := mgr.Token(ctx, false)
*/
package token
