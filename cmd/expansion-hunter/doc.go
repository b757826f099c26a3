/*Command expansion-hunter genotypes short tandem repeats and small
  variants at a catalog of loci from a BAM or PAM file, by realigning
  reads against each locus's sequence graph rather than trusting the
  input file's own linear alignment.

  Usage:

      expansion-hunter \
          -reads sample.bam \
          -reference genome.fa \
          -variant-catalog catalog.json \
          -sex female \
          -output-prefix sample

  writes sample.vcf and sample.json.
*/
package main
