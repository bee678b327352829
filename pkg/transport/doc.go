// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport implements the resilient HTTPS client used for every call
to the tax authority.

Each request is attempted up to MaxRetries times. Transport failures and
5xx replies are retried with exponential backoff and additive jitter capped
at MaxDelay. 3xx and 4xx replies fail at once with *ReceiptError and are
never retried. Redirects are not followed.

# Circuit Breaker

Failures are counted per host. Once a host reaches BreakerThreshold
failures its breaker opens for BreakerWindow and calls fail immediately
without network I/O. When the window has elapsed the breaker closes with a
zero count. A 2xx reply closes it at once. Client errors are not counted.

# Errors

	resp, err := client.Do(ctx, http.MethodPost, url, header, body)
	switch {
	case errors.Is(err, transport.ErrUpstreamUnavailable):
	    // retries exhausted or breaker open, try again later
	case errors.Is(err, transport.ErrRejected):
	    // 3xx/4xx, inspect *ReceiptError
	}

# TLS Configuration

	config := transport.DefaultConfig()
	// MinTLSVersion: TLS 1.2
	// MaxTLSVersion: TLS 1.3

# References

  - TLS 1.3 RFC 8446: https://datatracker.ietf.org/doc/html/rfc8446
  - TLS 1.2 RFC 5246: https://datatracker.ietf.org/doc/html/rfc5246
*/
package transport
