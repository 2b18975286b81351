package gearmand

// Version of the gearmand server and tools.
const Version = "0.1.0"
