// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package idempotency stores submission outcomes by idempotency key so that a
repeated request is answered without contacting the authority again.

A key is bound to the SHA-256 of the payload it was first used with.
Presenting the same key with another payload fails with *ConflictError.
Records expire after 24 hours by default.

Storage is pluggable through the Store interface. MemoryStore serves a
single process; Redis and MongoDB implementations live under
internal/storage.

	cache := idempotency.NewCache(idempotency.NewMemoryStore(), idempotency.Options{})

	rec, replayed, err := cache.Do(ctx, key, idempotency.HashPayload(body),
	    func(ctx context.Context) (*idempotency.Record, error) {
	        resp, err := send(ctx, body)
	        if err != nil {
	            return nil, err
	        }
	        return &idempotency.Record{StatusCode: resp.StatusCode, Body: resp.Body}, nil
	    })
*/
package idempotency
