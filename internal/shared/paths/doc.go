// Package paths resolves where enclave keeps data on disk.
//
// # Directory Structure
//
//	$ENCLAVE_HOME/          (default: <user cache dir>/enclave)
//	  ├── enclave.yaml      (optional config file)
//	  ├── sessions/         (file session store)
//	  │   └── <name>.session
//	  └── sessions.db       (SQLite session store)
package paths
