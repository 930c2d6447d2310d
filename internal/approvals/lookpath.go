package approvals

import "os/exec"

// execLookPath is swapped in tests to avoid PATH dependence.
var execLookPath = exec.LookPath
