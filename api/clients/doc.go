/*
Package clients provides a Go client for the academic records API.

RecordsClient keeps the session cookie returned by Login in a cookie jar
and sends it with every subsequent request, exactly like the dashboard.
Failed requests surface as *APIError, which unwraps to the matching
domain error (interfaces.ErrForbidden for 403 and so on).

# Example Usage

	client, err := clients.NewRecordsClient("https://records.example.com:8443")
	if err != nil {
	    return err
	}

	if _, err := client.Login(ctx, "admin", password); err != nil {
	    return err
	}
	defer client.Logout(ctx)

	report, err := client.Export(ctx)
	if errors.Is(err, interfaces.ErrForbidden) {
	    // not an admin
	}
*/
package clients
