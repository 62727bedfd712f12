package version

// Version is the current version of pgextract.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.4.0"

// Name is the application name.
const Name = "pgextract"

// Description is a short description of the application.
const Description = "Incremental, resumable PostgreSQL table extractor"
