// Package barcode locates QR codes in rasterized page images.
//
// A Backend performs the raw symbol search and reports results in image
// coordinates. QRDecoder wraps a backend, keeps only QR results that carry a
// usable four-corner quad and retries once on an upscaled image when a page
// yields nothing.
package barcode
