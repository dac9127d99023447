// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package quota drives per-user disk quotas through the Linux quota
// tools: quotaon to enable and probe, setquota to set block limits,
// repquota to report usage. Volumes are the entries of the mount table
// mounted with a user quota option.
package quota
