// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package normalize turns the authority's replies into a single Result shape.

Replies arrive as JSON or XML and spell their fields inconsistently
("trackId", "TrackId", "track_id", "estado", "status" and so on). Each
field is looked up through an ordered list of JSONPath expressions and the
first present, non-null value wins. A reply without a track id or status
yields *BadUpstreamResponseError.

XML replies are converted to the same generic tree as JSON before lookup,
so one set of expressions serves both.
*/
package normalize
