// Package types provides the shared data structures of the extension host.
//
// Core Types:
//   - Extension: Installed extension record (persisted)
//   - Manifest: Remote package descriptor fetched at install/update time
//   - Integrity, Signature: Optional payload verification data
//
// Content Types (decoded from extension results):
//   - Post, CatalogItem: Listings and catalog categories
//   - ContentInfo, ContentLink, DirectLink: Detail pages
//   - Episode, StreamSource, Subtitle: Playback resolution
package types
