// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package ecf submits electronic tax documents (e-CF) to the Dominican tax
authority and queries their processing status.

A submission moves through these states:

	Built -> Validated -> Signed -> Authenticated -> Submitted -> Accepted
	                                                           -> Rejected
	                                                           -> TransportFailed

The document is parsed under size and depth limits and validated against
the XSD for its type. It is then signed and sent with a bearer token.
Schema, signing and 4xx failures end in Rejected and are never retried.
Exhausted retries and open circuit breakers end in TransportFailed and
satisfy errors.Is(err, transport.ErrUpstreamUnavailable), so callers can
back off and try again.

When a request carries an idempotency key, the outcome is stored and a
repeated request with the same payload is answered from the store without
any network call. Reusing a key with a different payload fails with
idempotency.ErrConflict.

# Routing

	ECF   -> {recepcion}/ecf    (X-Reutilizar-ENCF when ReuseENCF is set)
	RFCE  -> {recepcionFC}/rfce
	ANECF -> {recepcion}/anecf
	ACECF -> {recepcion}/acecf
	ARECF -> {recepcion}/arecf

# Usage

	client, err := ecf.NewClient(ecf.Config{
	    Endpoints: endpoints,
	    Validator: schema.NewRegistry(xsdDir, logger),
	    Signer:    xmldsig.BundleSigner{Path: p12, Password: pw},
	    Tokens:    tokens,
	    Transport: transport.NewClient(nil),
	})

	receipt, err := client.Submit(ctx, &ecf.SubmissionRequest{
	    DocumentType:   ecf.TypeECF,
	    XML:            raw,
	    IdempotencyKey: key,
	})
*/
package ecf
