/*
Package client provides a Go client library for the backplane central API.

The client wraps the HTTP/JSON routes of pkg/api with typed methods. It is
what the backplane CLI uses, and it can be embedded in other tooling.

# Usage

	c, err := client.NewClient("central.example.com:8080")
	if err != nil {
		return err
	}

	rec, err := c.Attach(ctx, "acme", types.ManagedMasterDescriptor{
		HostName:  "site-1",
		URI:       "https://site-1.example.com",
		AuthToken: token,
	}, false)

	res, err := c.Synchronize(ctx, "acme", "site-1")
	for _, soft := range res.SoftErrors {
		fmt.Printf("%s: %s\n", soft.Step, soft.Message)
	}

# Error Handling

Failed calls return classified errors rebuilt from the response body, so
callers test them the same way as in-process errors:

	_, err := c.GetServer(ctx, "acme", "site-9")
	if errors.Is(err, errdefs.ErrNotFound) {
		...
	}

# Thread Safety

A Client is safe for concurrent use. Each call is bounded by
DefaultTimeout in addition to the caller's context.
*/
package client
