package objectstore

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/minio"
)

func TestStoreReadWriteExistsListAgainstMinio(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := minio.Run(ctx, "minio/minio:RELEASE.2024-01-16T16-07-38Z")
	require.NoError(t, err)
	defer container.Terminate(ctx)

	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("minioadmin", "minioadmin", "")),
	)
	require.NoError(t, err)
	setupClient := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String("http://" + endpoint)
		o.UsePathStyle = true
	})
	_, err = setupClient.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("tcfs-test")})
	require.NoError(t, err)

	st, err := New(ctx, Config{
		Bucket:    "tcfs-test",
		Region:    "us-east-1",
		Endpoint:  "http://" + endpoint,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		PathStyle: true,
	})
	require.NoError(t, err)

	exists, err := st.Exists(ctx, "chunks/deadbeef")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, st.Write(ctx, "chunks/deadbeef", []byte("hello chunk")))

	exists, err = st.Exists(ctx, "chunks/deadbeef")
	require.NoError(t, err)
	require.True(t, exists)

	data, err := st.Read(ctx, "chunks/deadbeef")
	require.NoError(t, err)
	require.Equal(t, "hello chunk", string(data))

	entries, err := st.List(ctx, "chunks/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "chunks/deadbeef", entries[0].Path)
}
