//go:build mage
// +build mage

package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

var Default = Build

type Remote mg.Namespace

var (
	buildDir  = "bin"
	binName   = "hoststat"
	cliName   = "hoststat-cli"
	deployDir = "hoststat"
)

// Builds the exporter and the one-shot CLI for this machine
func Build() error {
	if err := sh.RunV("go", "build", "-o", filepath.Join(buildDir, binName), "./cmd/server.go"); err != nil {
		return err
	}
	return sh.RunV("go", "build", "-o", filepath.Join(buildDir, cliName), "./cmd/cli")
}

// Runs the test suite with the race detector
func Test() error {
	return sh.RunV("go", "test", "-race", "./...")
}

// Removes build output
func Clean() {
	fmt.Println("Cleaning...")
	os.RemoveAll(buildDir)
}

// Cross-compiles the exporter for a linux host (arch: amd64, arm64, arm)
func (Remote) Build(arch string) error {
	fmt.Printf("Building linux/%s...\n", arch)
	env := map[string]string{
		"GOOS":        "linux",
		"GOARCH":      arch,
		"CGO_ENABLED": "0",
	}
	return sh.RunWithV(env, "go", "build", "-o", remoteBinary(arch), "./cmd/server.go")
}

// Copies the exporter to ~/hoststat on the host over scp
func (Remote) Deploy(host, username, arch string) error {
	mg.Deps(mg.F(Remote.Build, arch))
	connStr := username + "@" + host
	dest := "/home/" + username + "/" + deployDir
	fmt.Printf("Copying %s to %s:%s\n", binName, connStr, dest)

	if err := sh.Run("ssh", connStr, "mkdir -p", dest); err != nil {
		return fmt.Errorf("failed to create deploy path on host: %w", err)
	}
	if err := sh.Run("scp", remoteBinary(arch), fmt.Sprintf("%s:%s/%s", connStr, dest, binName)); err != nil {
		return fmt.Errorf("failed to deploy to host: %w", err)
	}
	return nil
}

// Deploys and runs the exporter on the host until interrupted
func (Remote) Start(host, username, arch string, port int) error {
	mg.Deps(mg.F(Remote.Deploy, host, username, arch))
	client, err := sshClient(username, host)
	if err != nil {
		return fmt.Errorf("failed to create SSH client: %w", err)
	}
	defer client.Close()
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	session.Stdout = os.Stdout
	session.Stderr = os.Stderr

	cmd := fmt.Sprintf("~/%s/%s --bind 0.0.0.0 --port %d", deployDir, binName, port)
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("failed to start exporter on host: %w", err)
	}
	fmt.Printf("exporter running on http://%s:%d/\n", host, port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("Stopping exporter...")
		session.Signal(ssh.SIGINT)
		<-sigChan
		session.Signal(ssh.SIGKILL)
		session.Close()
	}()

	err = session.Wait()
	if exitErr, ok := err.(*ssh.ExitError); ok {
		// The exporter exits 0 on SIGINT; 137 is the forced kill above.
		if exitErr.ExitStatus() == 137 {
			return nil
		}
		return fmt.Errorf("exporter exited with status %d", exitErr.ExitStatus())
	}
	return err
}

func remoteBinary(arch string) string {
	return filepath.Join(buildDir, "linux-"+arch, binName)
}

func sshClient(user, host string) (*ssh.Client, error) {
	var auth []ssh.AuthMethod
	if conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK")); err == nil {
		if signers, err := agent.NewClient(conn).Signers(); err == nil {
			auth = append(auth, ssh.PublicKeys(preferRSASHA2(signers)...))
		}
	}
	if len(auth) == 0 {
		fmt.Println("No SSH keys found...")
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // Dev only.
	}
	return ssh.Dial("tcp", net.JoinHostPort(host, "22"), config)
}

// preferRSASHA2 upgrades ssh-rsa agent keys to rsa-sha2 signatures, which
// current OpenSSH servers require.
func preferRSASHA2(signers []ssh.Signer) []ssh.Signer {
	out := make([]ssh.Signer, 0, len(signers))
	for _, signer := range signers {
		algSigner, ok := signer.(ssh.AlgorithmSigner)
		if ok && signer.PublicKey().Type() == ssh.KeyAlgoRSA {
			mas, err := ssh.NewSignerWithAlgorithms(algSigner, []string{
				ssh.KeyAlgoRSASHA256,
				ssh.KeyAlgoRSASHA512,
			})
			if err == nil {
				out = append(out, mas)
				continue
			}
		}
		out = append(out, signer)
	}
	return out
}
