// Package ossstore stores submitted report files and rendered validation
// results in Alibaba Cloud OSS. Submitted files and results live under
// separate key prefixes; downloads for end users go through signed URLs on
// the public endpoint.
package ossstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aliyun/credentials-go/credentials"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Store struct {
	bucketName string

	uploadBucket *oss.Bucket
	signBucket   *oss.Bucket

	cred credentials.Credential

	resultPrefix string
	uploadPrefix string
	signExpiry   time.Duration
}

// NewFromEnv builds a Store from OSS_* environment variables. Returns
// (nil, false, nil) when OSS_BUCKET is unset, so callers can run without
// object storage in dev.
func NewFromEnv() (*Store, bool, error) {
	bucket := strings.TrimSpace(os.Getenv("OSS_BUCKET"))
	if bucket == "" {
		return nil, false, nil
	}

	region := strings.TrimSpace(os.Getenv("OSS_REGION"))
	if region == "" {
		// AuthV4 needs a region; default to the bucket's home region in prod.
		region = "cn-heyuan"
	}

	internalEndpoint := strings.TrimSpace(os.Getenv("OSS_ENDPOINT_INTERNAL"))
	publicEndpoint := strings.TrimSpace(os.Getenv("OSS_ENDPOINT_PUBLIC"))
	if internalEndpoint == "" && publicEndpoint == "" {
		return nil, true, errors.New("OSS_BUCKET is set but OSS_ENDPOINT_INTERNAL/OSS_ENDPOINT_PUBLIC are both missing")
	}
	if publicEndpoint == "" {
		// Signed URLs must resolve from outside; an internal-only endpoint
		// would sign unreachable links.
		publicEndpoint = internalEndpoint
	}
	if internalEndpoint == "" {
		internalEndpoint = publicEndpoint
	}

	resultPrefix := strings.Trim(strings.TrimSpace(os.Getenv("OSS_RESULT_PREFIX")), "/")
	if resultPrefix == "" {
		resultPrefix = "report-results"
	}
	uploadPrefix := strings.Trim(strings.TrimSpace(os.Getenv("OSS_UPLOAD_PREFIX")), "/")
	if uploadPrefix == "" {
		uploadPrefix = "report-uploads"
	}

	expirySec := readEnvInt64Default("OSS_SIGN_EXPIRE_SECONDS", 600)
	if expirySec <= 0 {
		expirySec = 600
	}

	cred, err := newAlibabaCredential(region) // local AK, ACK RRSA (OIDC), or STS chain
	if err != nil {
		return nil, true, fmt.Errorf("init alibaba credentials failed: %w", err)
	}
	// Validate early so a missing credential fails here instead of surfacing
	// later as a misleading anonymous-request 403 from OSS.
	if err := validateAlibabaCredential(cred); err != nil {
		return nil, true, err
	}

	provider := &credentialsProvider{cred: cred}

	uploadClient, err := newOSSClient(internalEndpoint, region, provider)
	if err != nil {
		return nil, true, fmt.Errorf("init oss upload client failed: %w", err)
	}
	signClient, err := newOSSClient(publicEndpoint, region, provider)
	if err != nil {
		return nil, true, fmt.Errorf("init oss sign client failed: %w", err)
	}

	ub, err := uploadClient.Bucket(bucket)
	if err != nil {
		return nil, true, fmt.Errorf("open oss bucket(upload) failed: %w", err)
	}
	sb, err := signClient.Bucket(bucket)
	if err != nil {
		return nil, true, fmt.Errorf("open oss bucket(sign) failed: %w", err)
	}

	return &Store{
		bucketName:   bucket,
		uploadBucket: ub,
		signBucket:   sb,
		cred:         cred,
		resultPrefix: resultPrefix,
		uploadPrefix: uploadPrefix,
		signExpiry:   time.Duration(expirySec) * time.Second,
	}, true, nil
}

func newAlibabaCredential(region string) (credentials.Credential, error) {
	// When the RRSA env vars are present, pick OIDC explicitly and allow a
	// custom STS endpoint (regional STS domains help when there is no public
	// egress).
	roleArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_ROLE_ARN"))
	providerArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_PROVIDER_ARN"))
	tokenFile := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_TOKEN_FILE"))
	if roleArn != "" && providerArn != "" && tokenFile != "" {
		cfg := new(credentials.Config).
			SetType("oidc_role_arn").
			SetRoleArn(roleArn).
			SetOIDCProviderArn(providerArn).
			SetOIDCTokenFilePath(tokenFile)

		stsEndpoint := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_STS_ENDPOINT"))
		if stsEndpoint == "" {
			stsEndpoint = "sts.aliyuncs.com"
			if strings.TrimSpace(region) != "" {
				stsEndpoint = "sts." + strings.TrimSpace(region) + ".aliyuncs.com"
			}
		}
		cfg.SetSTSEndpoint(stsEndpoint)
		return credentials.NewCredential(cfg)
	}
	return credentials.NewCredential(nil)
}

func validateAlibabaCredential(cred credentials.Credential) error {
	if cred == nil {
		return errors.New("alibaba credential not initialized (no RRSA/AK/STS available)")
	}
	c, err := cred.GetCredential()
	if err != nil {
		return fmt.Errorf("fetch alibaba temporary credential failed (check RRSA injection / STS connectivity): %w", err)
	}
	if c == nil || c.AccessKeyId == nil || c.AccessKeySecret == nil || strings.TrimSpace(*c.AccessKeyId) == "" || strings.TrimSpace(*c.AccessKeySecret) == "" {
		return errors.New("alibaba credential is empty: likely RRSA not injected (ALIBABA_CLOUD_ROLE_ARN / ALIBABA_CLOUD_OIDC_PROVIDER_ARN / ALIBABA_CLOUD_OIDC_TOKEN_FILE)")
	}
	return nil
}

func newOSSClient(endpoint, region string, provider oss.CredentialsProvider) (*oss.Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint empty")
	}
	opts := []oss.ClientOption{
		oss.SetCredentialsProvider(provider),
		oss.AuthVersion(oss.AuthV4),
	}
	if strings.TrimSpace(region) != "" {
		opts = append(opts, oss.Region(region))
	}
	// AK/secret stay empty: everything goes through the provider.
	return oss.New(endpoint, "", "", opts...)
}

func (s *Store) Enabled() bool { return s != nil && s.uploadBucket != nil && s.signBucket != nil }

// ObjectKeyForUpload is where a submitted report file is stored.
func (s *Store) ObjectKeyForUpload(reportID, originalName string) string {
	reportID = strings.TrimSpace(reportID)
	name := strings.TrimSpace(originalName)
	if name == "" {
		name = "report.xlsx"
	}
	// prevent path traversal in object key
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	return path.Join(s.uploadPrefix, reportID, name)
}

// ObjectKeyForResult is where the rendered validation result workbook lands.
func (s *Store) ObjectKeyForResult(reportID string) string {
	reportID = strings.TrimSpace(reportID)
	return path.Join(s.resultPrefix, reportID, "validation-result.xlsx")
}

func (s *Store) ensureCred() error {
	if s == nil || s.cred == nil {
		return errors.New("alibaba credential not initialized (no RRSA/AK/STS available)")
	}
	return validateAlibabaCredential(s.cred)
}

// PutReportFile streams a submitted report file to OSS.
func (s *Store) PutReportFile(objectKey string, src io.Reader, contentType string) error {
	if !s.Enabled() {
		return errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" || src == nil {
		return errors.New("invalid objectKey/reader")
	}
	opts := []oss.Option{}
	if strings.TrimSpace(contentType) != "" {
		opts = append(opts, oss.ContentType(strings.TrimSpace(contentType)))
	}
	return s.uploadBucket.PutObject(objectKey, src, opts...)
}

// PutResultBytes uploads a rendered result workbook.
func (s *Store) PutResultBytes(objectKey string, b []byte) error {
	if !s.Enabled() {
		return errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" || len(b) == 0 {
		return errors.New("invalid objectKey/payload")
	}
	return s.uploadBucket.PutObject(objectKey, bytes.NewReader(b), oss.ContentType(xlsxContentType))
}

func (s *Store) DeleteObject(objectKey string) error {
	if !s.Enabled() {
		return errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return errors.New("objectKey empty")
	}
	return s.uploadBucket.DeleteObject(objectKey)
}

func (s *Store) GetObject(objectKey string) (io.ReadCloser, error) {
	if !s.Enabled() {
		return nil, errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return nil, err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return nil, errors.New("objectKey empty")
	}
	// Fetch via the internal endpoint to stay off the public network path.
	return s.uploadBucket.GetObject(objectKey)
}

func (s *Store) SignDownloadURL(objectKey, downloadFilename string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return "", err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return "", errors.New("objectKey empty")
	}

	name := strings.TrimSpace(downloadFilename)
	if name == "" {
		name = "validation-result.xlsx"
	}
	escaped := url.PathEscape(name)
	disp := fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", "validation-result.xlsx", escaped)

	u, err := s.signBucket.SignURL(
		objectKey,
		oss.HTTPGet,
		int64(s.signExpiry.Seconds()),
		oss.ResponseContentDisposition(disp),
	)
	if err != nil {
		return "", err
	}
	return u, nil
}

// --- Credentials bridge: credentials-go -> OSS SDK V1 ---

type credentialsProvider struct {
	cred credentials.Credential
}

type ossCred struct {
	AccessKeyId     string
	AccessKeySecret string
	SecurityToken   string
}

func (c *ossCred) GetAccessKeyID() string     { return c.AccessKeyId }
func (c *ossCred) GetAccessKeySecret() string { return c.AccessKeySecret }
func (c *ossCred) GetSecurityToken() string   { return c.SecurityToken }

func (p *credentialsProvider) GetCredentials() oss.Credentials {
	out, err := p.cred.GetCredential()
	if err != nil || out == nil || out.AccessKeyId == nil || out.AccessKeySecret == nil {
		// The V1 provider interface cannot return an error; empty credentials
		// make the request itself fail and surface the problem.
		return &ossCred{}
	}
	token := ""
	if out.SecurityToken != nil {
		token = *out.SecurityToken
	}
	return &ossCred{
		AccessKeyId:     deref(out.AccessKeyId),
		AccessKeySecret: deref(out.AccessKeySecret),
		SecurityToken:   token,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func readEnvInt64Default(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}
