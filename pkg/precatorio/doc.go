// Package precatorio defines the domain types shared by every stage of a
// crawl: entity identity, the opaque pagination cursor, the columnar page
// returned by the upstream report and the canonical record produced by
// normalization.
//
// It also holds the error taxonomy. Fatal conditions are reported as *Error,
// which matches both its Kind sentinel and its cause under errors.Is:
//
//	res, err := session.Crawl(ctx, "municipio-de-fortaleza", 0)
//	if errors.Is(err, precatorio.ErrUnknownEntity) {
//		// resolver miss
//	}
package precatorio
