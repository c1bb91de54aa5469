package slurm

import (
	"fmt"
	"strings"
)

// Remote ports the IDE servers listen on inside the job.
const (
	portVSCode  = 8080
	portRStudio = 8787
	portJupyter = 8888
)

// RemotePortFor returns the compute-node port for an IDE.
func RemotePortFor(ide string) int {
	switch ide {
	case "rstudio":
		return portRStudio
	case "jupyter":
		return portJupyter
	default:
		return portVSCode
	}
}

// SubmitSpec carries everything needed to build one batch submission.
type SubmitSpec struct {
	IDE       string
	CPUs      int
	Memory    string
	Walltime  string
	Partition string
	Account   string
	Gres      string // e.g. "gpu:a100:1"; empty for CPU-only jobs
	Token     string
	Image     string // apptainer image path on the cluster
	BindPaths []string
	LibPaths  []string
	Release   string
}

// BuildBatchScript renders the sbatch script for one IDE session. The job
// name carries the IDE tag so the batched queue listing can attribute it.
func BuildBatchScript(spec SubmitSpec) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", JobName(spec.IDE))
	fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%d\n", spec.CPUs)
	fmt.Fprintf(&b, "#SBATCH --mem=%s\n", spec.Memory)
	fmt.Fprintf(&b, "#SBATCH --time=%s\n", spec.Walltime)
	fmt.Fprintf(&b, "#SBATCH --nodes=1\n")
	if spec.Partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", spec.Partition)
	}
	if spec.Account != "" {
		fmt.Fprintf(&b, "#SBATCH --account=%s\n", spec.Account)
	}
	if spec.Gres != "" {
		fmt.Fprintf(&b, "#SBATCH --gres=%s\n", spec.Gres)
	}
	b.WriteString("#SBATCH --output=/dev/null\n")
	b.WriteString("\n")

	if len(spec.LibPaths) > 0 {
		fmt.Fprintf(&b, "export APPTAINERENV_LD_LIBRARY_PATH=%s\n", strings.Join(spec.LibPaths, ":"))
	}
	if spec.Token != "" {
		fmt.Fprintf(&b, "export APPTAINERENV_IDE_TOKEN=%s\n", spec.Token)
	}

	bind := ""
	if len(spec.BindPaths) > 0 {
		bind = " --bind " + strings.Join(spec.BindPaths, ",")
	}
	image := spec.Image
	if spec.Release != "" {
		image = strings.ReplaceAll(image, "{release}", spec.Release)
	}

	fmt.Fprintf(&b, "exec apptainer exec%s %s %s\n", bind, image, ideCommand(spec.IDE, spec.Token))
	return b.String()
}

// ideCommand is the server process started inside the container.
func ideCommand(ide, token string) string {
	switch ide {
	case "rstudio":
		// rstudio authenticates via its own signed cookies; no token flag
		return fmt.Sprintf("rserver --www-port %d --server-user $USER --www-root-path /rstudio-direct", portRStudio)
	case "jupyter":
		return fmt.Sprintf("jupyter lab --ip 0.0.0.0 --port %d --no-browser --ServerApp.token=%s", portJupyter, token)
	default:
		return fmt.Sprintf("openvscode-server --host 0.0.0.0 --port %d --connection-token %s", portVSCode, token)
	}
}

// SubmitCommand wraps the script in a single sbatch invocation. --parsable
// keeps the output to the bare job id. Submission is idempotent at the SLURM
// layer through the one-job-name-per-session convention.
func SubmitCommand(script string) string {
	return "sbatch --parsable <<'HPCDESK_EOF'\n" + script + "HPCDESK_EOF"
}
