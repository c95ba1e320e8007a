/*
Copyright © 2019 the AgriSync authors.
This file is part of AgriSync.

AgriSync is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

AgriSync is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with AgriSync.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package cloud is the object store gateway: the archive of normalized
// rasters, masks and regions lives in a blob bucket keyed by canonical
// acquisition file names.
package cloud

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcp"
)

// OpenGateway opens the archive at bucketURL and wraps it in a
// Gateway; Close releases the underlying bucket. bucketURL takes the
// form 'provider://name': 'file://path' for a local directory,
// 's3://name' for AWS S3, or 'gs://name' for Google Cloud Storage.
func OpenGateway(ctx context.Context, bucketURL string) (*Gateway, error) {
	b, err := OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return NewGateway(b), nil
}

// OpenBucket opens the blob bucket named by bucketURL. Most callers
// want OpenGateway instead.
func OpenBucket(ctx context.Context, bucketURL string) (*blob.Bucket, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("cloud: parsing bucket %q: %v", bucketURL, err)
	}
	switch u.Scheme {
	case "file":
		// file://a/b is host "a" path "/b"; the archive directory is
		// the whole of it.
		return fileblob.OpenBucket(u.Hostname()+u.Path, nil)
	case "s3":
		return openS3(ctx, u.Hostname())
	case "gs":
		return openGS(ctx, u.Hostname())
	}
	return nil, fmt.Errorf("cloud: unknown bucket provider %q", u.Scheme)
}

// openS3 opens an AWS S3 bucket using the AWS_REGION,
// AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables.
func openS3(ctx context.Context, name string) (*blob.Bucket, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	s := session.Must(session.NewSession(&aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewEnvCredentials(),
	}))
	return s3blob.OpenBucket(ctx, s, name, nil)
}

// openGS opens a Google Cloud Storage bucket with application default
// credentials.
func openGS(ctx context.Context, name string) (*blob.Bucket, error) {
	creds, err := gcp.DefaultCredentials(ctx)
	if err != nil {
		return nil, err
	}
	c, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
	if err != nil {
		return nil, err
	}
	return gcsblob.OpenBucket(ctx, c, name, nil)
}
