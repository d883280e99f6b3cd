/*
Package installer turns a manifest URL into a committed extension.

The pipeline fetches the manifest and its entry payload, validates both,
runs the integrity chain and only then writes the payload blob followed by
the record. A failure at any step leaves the previous version untouched.

Sources are http(s) manifest URLs or bundled://<dir> directories read from
an afero filesystem shipped with the application.

Concurrent installs of one source share a single pipeline run, and commits
for one extension id are serialized.
*/
package installer
