// Package client is the Go SDK for the vecertify certificate gateway.
//
// # Issuing a certificate
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	f, _ := os.Open("transcript.pdf")
//	defer f.Close()
//
//	res, err := c.Issue(ctx, client.IssueRequest{
//	    CertificateID:   "CS-2024-0042",
//	    Subject:         "0x5aeda56215b167893e80b4fe645ba6d5bab767de",
//	    CertificateName: "BSc Computer Science",
//	    IssueDate:       time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
//	    IssuerOrg:       "Example University",
//	}, "transcript.pdf", f)
//
// # Verifying a presented document
//
// Verify hashes the document on the gateway and returns the verdict. A
// document that was never issued, or was altered after issuance, yields
// IsAuthentic == false and a nil error:
//
//	v, err := c.Verify(ctx, "transcript.pdf", f, "hr@example.com")
//	if err != nil {
//	    log.Fatal(err) // transport or ledger failure
//	}
//	fmt.Println(v.IsAuthentic, v.Metadata.CertificateName)
//
// Errors returned by the gateway are *APIError values and unwrap to
// ErrNotFound, ErrDuplicate, ErrInconsistent or ErrUnavailable where one
// applies, so callers can use errors.Is.
package client
