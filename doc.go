// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package goecf implements a resilient client for submitting electronic fiscal
documents (e-CF) to the Dominican Republic tax authority (DGII).

# Overview

go-ecf turns an unsigned e-CF XML document into a validated, signed,
authenticated, retried and deduplicated exchange with the authority, and
normalizes the authority's JSON or XML replies into a single result shape.
It ships as a library and as the ecf-gateway command, an HTTP ingress that
fronts the client with an idempotency contract and tracks accepted
submissions until the authority reaches a final decision.

# Package Structure

	github.com/sirosfoundation/go-ecf/pkg/xmlsec      - Hardened XML parsing (size, depth, DTD limits)
	github.com/sirosfoundation/go-ecf/pkg/schema      - XSD subset compiler and validator
	github.com/sirosfoundation/go-ecf/pkg/xmldsig     - PKCS#12 credentials and enveloped RSA-SHA256 signatures
	github.com/sirosfoundation/go-ecf/pkg/transport   - HTTPS client with retries, backoff and per-host breaker
	github.com/sirosfoundation/go-ecf/pkg/token       - Seed/sign/exchange bearer token manager
	github.com/sirosfoundation/go-ecf/pkg/idempotency - Keyed replay cache with pluggable stores
	github.com/sirosfoundation/go-ecf/pkg/normalize   - JSONPath-driven reply normalization
	github.com/sirosfoundation/go-ecf/pkg/ecf         - Submission state machine and queries

# Quick Start

	registry := schema.NewRegistry("xsd", logger)
	http := transport.NewClient(transport.DefaultConfig())
	signer := xmldsig.BundleSigner{Path: "cert.p12", Password: password}

	client, err := ecf.NewClient(ecf.Config{
	    Endpoints: endpoints,
	    Validator: registry,
	    Signer:    signer,
	    Tokens:    token.NewManager(token.Config{AuthURL: endpoints.Auth, Signer: signer, Transport: http}),
	    Transport: http,
	})

	receipt, err := client.Submit(ctx, &ecf.SubmissionRequest{
	    DocumentType:   ecf.TypeECF,
	    XML:            doc,
	    IdempotencyKey: "invoice-E310000000001",
	})

# Environments

The authority publishes three environments: precert (pre-certification),
cert (certification) and prod. Each has its own authentication, reception,
consumer invoice reception and directory base URLs; the gateway selects one
through configuration.

# License

BSD-2-Clause License
*/
package goecf
