// Package swr implements a stale-while-revalidate cache over a pluggable byte
// store. Every entry is judged by its age against a Policy:
//
//	age <  Refresh          served as is
//	age <  Expire           served as is; a background refresh is started
//	                        unless one started less than RefreshDelay ago
//	age >= Expire or absent producer runs; the caller waits for it
//
// Components:
//   - Provider: byte store with TTL (file, Redis, BigCache, Ristretto).
//   - StampStore: per-key time of the last background refresh attempt, kept
//     apart from the value's write time (which lives in the entry envelope).
//   - Typed[V]: adapts an Executor to typed producers through a codec.
//
// Keys:
//
//	swr:<ns>:<key>   - entries in the provider
//
// Usage:
//
//	c, _ := swr.New(swr.Options{Namespace: "deptusers", Provider: p})
//	users := swr.Typed[[]User]{Exec: c, Codec: codec.JSON[[]User]{}}
//	v, err := users.ExecuteCached(ctx, key, fetch, swr.DefaultPolicy)
package swr
