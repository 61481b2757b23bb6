package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/config"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/infra"
	"go.uber.org/zap"
)

// ErrNotFound is returned for objects the cluster reports as missing.
var ErrNotFound = errors.New("kubernetes object not found")

// KubeClient talks to the cluster API server over REST
type KubeClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger
}

// NewKubeClient creates a client from cluster settings. The bearer token
// and CA bundle are read from disk once.
func NewKubeClient(cfg config.ClusterConfig, log *zap.Logger) (*KubeClient, error) {
	var token string
	if cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("read cluster token: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.InsecureTLS {
		tlsConfig.InsecureSkipVerify = true
	} else if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read cluster ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("cluster ca file contains no certificates")
		}
		tlsConfig.RootCAs = pool
	}

	return &KubeClient{
		baseURL: strings.TrimSuffix(cfg.APIServer, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsConfig, Proxy: http.ProxyFromEnvironment},
		},
		log: log,
	}, nil
}

// CreateNamespace creates a labelled namespace. An existing namespace is AlreadyDone.
func (c *KubeClient) CreateNamespace(ctx context.Context, name string, labels map[string]string) (infra.Result, error) {
	body := map[string]any{
		"apiVersion": "v1",
		"kind":       "Namespace",
		"metadata":   map[string]any{"name": name, "labels": labels},
	}
	status, _, err := c.do(ctx, http.MethodPost, "/api/v1/namespaces", "application/json", body)
	if err != nil {
		return infra.Unverified, err
	}
	switch {
	case status == http.StatusConflict:
		c.log.Info("namespace already exists", zap.String("namespace", name))
		return infra.AlreadyDone, nil
	case status == http.StatusCreated || status == http.StatusOK:
		c.log.Info("namespace created", zap.String("namespace", name))
		return infra.Applied, nil
	}
	return infra.Unverified, fmt.Errorf("unexpected status %d creating namespace %s", status, name)
}

// NamespaceExists reports whether the namespace exists and is not terminating.
func (c *KubeClient) NamespaceExists(ctx context.Context, name string) (bool, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/v1/namespaces/"+url.PathEscape(name), "", nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("unexpected status %d reading namespace %s", status, name)
	}
	return gjson.GetBytes(body, "status.phase").String() != "Terminating", nil
}

// DeleteNamespace starts namespace deletion. A missing namespace is AlreadyDone.
func (c *KubeClient) DeleteNamespace(ctx context.Context, name string) (infra.Result, error) {
	_, _, err := c.do(ctx, http.MethodDelete, "/api/v1/namespaces/"+url.PathEscape(name), "", nil)
	if errors.Is(err, ErrNotFound) {
		return infra.AlreadyDone, nil
	}
	if err != nil {
		return infra.Unverified, err
	}
	c.log.Info("namespace deletion started", zap.String("namespace", name))
	return infra.Applied, nil
}

// ScaleDeployment sets the replica count of a deployment.
func (c *KubeClient) ScaleDeployment(ctx context.Context, namespace, name string, replicas int) (infra.Result, error) {
	path := fmt.Sprintf("/apis/apps/v1/namespaces/%s/deployments/%s/scale", url.PathEscape(namespace), url.PathEscape(name))

	_, body, err := c.do(ctx, http.MethodGet, path, "", nil)
	if errors.Is(err, ErrNotFound) {
		return infra.Unverified, infra.Permanent(fmt.Errorf("deployment %s/%s not found", namespace, name))
	}
	if err != nil {
		return infra.Unverified, err
	}
	if gjson.GetBytes(body, "spec.replicas").Int() == int64(replicas) {
		return infra.AlreadyDone, nil
	}

	patch := map[string]any{"spec": map[string]any{"replicas": replicas}}
	if _, _, err := c.do(ctx, http.MethodPatch, path, "application/merge-patch+json", patch); err != nil {
		return infra.Unverified, err
	}
	c.log.Info("deployment scaled",
		zap.String("namespace", namespace),
		zap.String("deployment", name),
		zap.Int("replicas", replicas),
	)
	return infra.Applied, nil
}

// DeploymentReplicas reads the desired replica count of a deployment.
// ok is false when the deployment does not exist.
func (c *KubeClient) DeploymentReplicas(ctx context.Context, namespace, name string) (int, bool, error) {
	path := fmt.Sprintf("/apis/apps/v1/namespaces/%s/deployments/%s/scale", url.PathEscape(namespace), url.PathEscape(name))
	_, body, err := c.do(ctx, http.MethodGet, path, "", nil)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return int(gjson.GetBytes(body, "spec.replicas").Int()), true, nil
}

// GetSecret returns the decoded data of a secret, or ErrNotFound.
func (c *KubeClient) GetSecret(ctx context.Context, namespace, name string) (map[string]string, error) {
	path := fmt.Sprintf("/api/v1/namespaces/%s/secrets/%s", url.PathEscape(namespace), url.PathEscape(name))
	_, body, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	var decodeErr error
	gjson.GetBytes(body, "data").ForEach(func(key, value gjson.Result) bool {
		raw, err := base64.StdEncoding.DecodeString(value.String())
		if err != nil {
			decodeErr = fmt.Errorf("decode secret key %s: %w", key.String(), err)
			return false
		}
		out[key.String()] = string(raw)
		return true
	})
	if decodeErr != nil {
		return nil, infra.Permanent(decodeErr)
	}
	return out, nil
}

// CreateSecret stores string data in a new opaque secret. An existing secret is AlreadyDone.
func (c *KubeClient) CreateSecret(ctx context.Context, namespace, name string, data, labels map[string]string) (infra.Result, error) {
	body := map[string]any{
		"apiVersion": "v1",
		"kind":       "Secret",
		"type":       "Opaque",
		"metadata":   map[string]any{"name": name, "namespace": namespace, "labels": labels},
		"stringData": data,
	}
	path := fmt.Sprintf("/api/v1/namespaces/%s/secrets", url.PathEscape(namespace))
	status, _, err := c.do(ctx, http.MethodPost, path, "application/json", body)
	if err != nil {
		return infra.Unverified, err
	}
	if status == http.StatusConflict {
		return infra.AlreadyDone, nil
	}
	return infra.Applied, nil
}

// do sends one request. 404 maps to ErrNotFound and 409 is returned as a
// status for the caller; other failures are classified for retry.
func (c *KubeClient) do(ctx context.Context, method, path, contentType string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, infra.Permanent(fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, infra.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, infra.Transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, infra.Transient(fmt.Errorf("read response: %w", err))
	}

	switch code := resp.StatusCode; {
	case code < 300, code == http.StatusConflict:
		return code, body, nil
	case code == http.StatusNotFound:
		return code, body, ErrNotFound
	default:
		return code, body, classifyStatus(method, path, code, body)
	}
}

func classifyStatus(method, path string, code int, body []byte) error {
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	err := fmt.Errorf("%s %s: cluster api returned %d: %s", method, path, code, msg)
	if code == http.StatusTooManyRequests || code >= 500 {
		return infra.Transient(err)
	}
	return infra.Permanent(err)
}
