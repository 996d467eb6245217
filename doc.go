// Package deptusers reads directory-style user records and department names
// from a Wizdom department-users API through a stale-while-revalidate cache.
//
// A Service needs three collaborators: an Invoker that performs the HTTP
// calls (see package apiclient), an swr.Executor that caches the encoded
// results (see package swr), and the base web address used to build user
// photo links.
//
// Basic use:
//
//	api := apiclient.New(apiclient.Config{BaseURL: "https://intranet.contoso.com/"})
//
//	c, _ := swr.New(swr.Options{
//	    Namespace: "deptusers:json",
//	    Provider:  fileProvider,
//	})
//	defer c.Close(context.Background())
//
//	svc, _ := deptusers.New(api, c, "https://contoso.sharepoint.com", deptusers.Options{})
//	users, err := svc.Users(ctx, "Sales", false, []string{"title"}, "")
//
// Calls younger than the refresh window (30m) are served from the cache.
// Older calls up to the expire window (8h) are served from the cache while
// one background refresh per key runs at most every 10s. Anything older, or
// absent, is fetched before the call returns.
package deptusers
