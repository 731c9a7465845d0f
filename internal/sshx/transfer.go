// internal/sshx/transfer.go

package sshx

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	scp "github.com/bramvdbogaerde/go-scp"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Transfer is a file-transfer handle derived from a Session. Remote paths
// are always POSIX; closing the parent session invalidates the handle.
type Transfer struct {
	sshClient  *ssh.Client
	sftpClient *sftp.Client
}

func newTransfer(client *ssh.Client) (*Transfer, error) {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create SFTP client: %v", err)
	}
	return &Transfer{
		sshClient:  client,
		sftpClient: sftpClient,
	}, nil
}

// Exists reports whether a remote path is present. Existence alone gates
// re-upload everywhere in the provisioning flow; content is never compared.
func (t *Transfer) Exists(remotePath string) bool {
	_, err := t.sftpClient.Stat(remotePath)
	return err == nil
}

// MkdirIfMissing creates a remote directory when absent, no-op otherwise.
func (t *Transfer) MkdirIfMissing(remotePath string) error {
	if t.Exists(remotePath) {
		logger.Debugf("remote directory already exists: %s", remotePath)
		return nil
	}
	logger.Debugf("creating remote directory: %s", remotePath)
	if err := t.sftpClient.Mkdir(remotePath); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %v", remotePath, err)
	}
	return nil
}

// PutBytes writes rendered content to a remote file over scp.
func (t *Transfer) PutBytes(ctx context.Context, content []byte, remotePath string) error {
	scpClient, err := scp.NewClientBySSH(t.sshClient)
	if err != nil {
		return fmt.Errorf("failed to create SCP client: %v", err)
	}
	defer scpClient.Close()

	if err := scpClient.CopyFile(ctx, bytes.NewReader(content), remotePath, "0644"); err != nil {
		return fmt.Errorf("failed to upload %s: %v", remotePath, err)
	}
	return nil
}

// PutFile copies a local file to the remote path over sftp.
func (t *Transfer) PutFile(localPath, remotePath string) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file %s: %v", localPath, err)
	}
	defer localFile.Close()

	remoteFile, err := t.sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %v", remotePath, err)
	}
	defer remoteFile.Close()

	if _, err := remoteFile.ReadFrom(localFile); err != nil {
		return fmt.Errorf("failed to upload %s to %s: %v", localPath, remotePath, err)
	}
	return nil
}

// UploadDir mirrors a local directory into remoteDir: directories are
// created only when missing, files are skipped when already present, and
// entries matching skip are ignored at every level. Returns how many files
// were actually uploaded.
func (t *Transfer) UploadDir(localDir, remoteDir string, skip func(name string) bool) (int, error) {
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read local directory %s: %v", localDir, err)
	}

	uploaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if skip != nil && skip(name) {
			continue
		}
		localItem := filepath.Join(localDir, name)
		remoteItem := path.Join(remoteDir, name)

		if entry.IsDir() {
			if err := t.MkdirIfMissing(remoteItem); err != nil {
				return uploaded, err
			}
			n, err := t.UploadDir(localItem, remoteItem, skip)
			uploaded += n
			if err != nil {
				return uploaded, err
			}
			continue
		}

		if t.Exists(remoteItem) {
			logger.Debugf("file already exists at %s, skipping upload", remoteItem)
			continue
		}
		logger.Debugf("uploading file %s to %s", localItem, remoteItem)
		if err := t.PutFile(localItem, remoteItem); err != nil {
			return uploaded, err
		}
		uploaded++
	}
	return uploaded, nil
}

// Close releases the sftp sub-handle. The parent transport stays open.
func (t *Transfer) Close() error {
	if t.sftpClient != nil {
		if err := t.sftpClient.Close(); err != nil {
			return fmt.Errorf("error closing SFTP client: %v", err)
		}
		t.sftpClient = nil
	}
	return nil
}
