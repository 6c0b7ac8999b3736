package kube

import (
	"os"
	"path/filepath"
	"testing"
)

const testKubeconfig = `apiVersion: v1
kind: Config
clusters:
- name: primary
  cluster:
    server: https://primary.example:6443
- name: secondary
  cluster:
    server: https://secondary.example:6443
contexts:
- name: primary
  context:
    cluster: primary
    user: primary
    namespace: apps
- name: secondary
  context:
    cluster: secondary
    user: secondary
    namespace: staging
current-context: primary
users:
- name: primary
  user: {}
- name: secondary
  user: {}
`

func writeKubeconfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte(testKubeconfig), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewResolvesCurrentContext(t *testing.T) {
	client, err := New(writeKubeconfig(t), "")
	if err != nil {
		t.Fatal(err)
	}
	if client.Namespace != "apps" {
		t.Fatalf("namespace = %q, want apps", client.Namespace)
	}
	if client.RESTConfig.Host != "https://primary.example:6443" {
		t.Fatalf("host = %q", client.RESTConfig.Host)
	}
	if client.Clientset == nil {
		t.Fatal("clientset not built")
	}
}

func TestNewHonorsContextOverride(t *testing.T) {
	client, err := New(writeKubeconfig(t), "secondary")
	if err != nil {
		t.Fatal(err)
	}
	if client.Namespace != "staging" {
		t.Fatalf("namespace = %q, want staging", client.Namespace)
	}
	if client.RESTConfig.Host != "https://secondary.example:6443" {
		t.Fatalf("host = %q", client.RESTConfig.Host)
	}
	if client.RESTConfig.QPS != 50 || client.RESTConfig.Burst != 100 {
		t.Fatalf("rate limits = %v/%v", client.RESTConfig.QPS, client.RESTConfig.Burst)
	}
}

func TestNewFailsOnMissingKubeconfig(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "absent"), ""); err == nil {
		t.Fatal("expected error for missing kubeconfig")
	}
}
